// cmd/genclient/main.go
package main

func main() {
	Execute()
}
