package main

import "tallyflow/internal/app"

func main() {
	app.Main()
}
