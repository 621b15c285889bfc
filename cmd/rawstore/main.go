package main

import (
	"context"

	"github.com/Blackdeer1524/rawstore/cmd/rawstore/app"
)

func main() {
	app.MustExecute(context.Background())
}
