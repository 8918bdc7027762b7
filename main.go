package main

import "orders-etl/cmd"

func main() {
	cmd.Execute()
}
