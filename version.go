package humus

// Version of the library, overridden at build time with
// -ldflags "-X github.com/aretw0/humus.Version=...".
var Version = "0.1.0-dev"
