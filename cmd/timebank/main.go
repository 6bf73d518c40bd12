// Command timebank runs the time-credit marketplace.
package main

import "github.com/timebank-network/timebank/internal/cli"

func main() {
	cli.Execute()
}
