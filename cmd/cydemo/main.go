package main

import "github.com/cymesh/cy/cmd/cydemo/cmd"

func main() {
	cmd.Execute()
}
