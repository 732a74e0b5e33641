// Command zoedl is the CLI driver for the resumable slice-download
// engine in package engine.
package main

func main() {
	Execute()
}
