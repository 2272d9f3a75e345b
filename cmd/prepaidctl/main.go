package main

import "github.com/ariefcatur/go-prepaid-orders/internal/cli"

func main() {
	cli.Execute()
}
