// Package main provides the crawler CLI: discovery searches, member
// extraction, joins and the HTTP control server.
package main

func main() {
	Execute()
}
