package server

// Version of the Vaultlet worker.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/vaultlet/vaultlet/server.Version=v1.0.0"
var Version = "dev"
