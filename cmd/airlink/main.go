package main

import "github.com/rudransh-shrivastava/airlink/internal/cmd"

func main() {
	cmd.Execute()
}
