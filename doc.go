// Package humus is the composition root of an embedded document database
// with revision history and replication.
//
// It connects the domain (pkg/core) with the SQLite store adapter and the
// replicator, following a hexagonal layout.
//
// Features:
//
//   - **Revision trees**: every save creates a content-addressed revision; concurrent edits become conflicts.
//   - **Pluggable conflict resolution**: per document, per replication or per database, with a deterministic default.
//   - **Change notification**: per-database and per-document listeners delivered in commit order.
//   - **Batches**: many writes in one durable commit, rolled back as a whole on failure.
//   - **Encryption**: password or raw AES-256 keys, changeable in place.
//   - **Replication**: push, pull or both, one-shot or continuous, with another local database or over websocket.
//   - **Typed Retrieval**: generic wrapper (`NewTyped[T]`) for struct-based access.
//
// Usage:
//
//	db, err := humus.Open(ctx, "notes",
//		humus.WithDirectory("./data"),
//		humus.WithEncryptionKey(humus.PasswordKey("secret")),
//	)
//	defer db.Close()
//
//	doc := humus.NewDocument("foo").Set("type", "note")
//	rev, err := db.Save(ctx, doc)
//
//	r, err := humus.NewReplicator(humus.ReplicatorConfig{
//		Database:   db,
//		Target:     target,
//		Continuous: true,
//	})
//	r.Start()
package humus
