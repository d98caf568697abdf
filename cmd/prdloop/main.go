// Command prdloop runs PRD task graphs through AI coding agents.
package main

func main() {
	Execute()
}
