// Command chatctl is a terminal client for the chat gateway.
package main

func main() {
	Execute()
}
