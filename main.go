// main.go
package main

import "github.com/whoiscaerus/fibpilot/cmd"

func main() {
	cmd.Execute()
}
