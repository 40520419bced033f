package main

import "github.com/bryanchriswhite/FrameFeed/cmd/framefeed/commands"

func main() {
	commands.Execute()
}
