// Package main is the entry point for macrodeck.
//
// macrodeck validates and compiles MIDI macro profiles and runs the engine
// that serves them with hot reload.
package main

func main() {
	Execute()
}
