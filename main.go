package main

import (
	parley "github.com/putto11262002/parley/app"
)

func main() {
	app := parley.New(nil, nil)
	app.Start()
}
