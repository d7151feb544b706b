// Command sessioncored wires the session-core packages into a runnable
// process. The core itself is headless: this binary is a reference host
// that exposes it over a newline-delimited JSON stream on stdin/stdout,
// suitable for embedding behind a real transport or for driving by hand
// during development.
package main

func main() {
	Execute()
}
