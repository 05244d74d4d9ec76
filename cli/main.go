package main

import "github.com/Jaswanthnimmalla/SafeSphere-sub002/cli/cmd"

func main() {
	cmd.Execute()
}
