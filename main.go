package main

import "github.com/saryassepto/towns-image-generator-bot/cmd"

func main() {
	cmd.Execute()
}
