package main

import (
	"broadlistening/cmd/handlers"
	"broadlistening/internal/logger"
)

func main() {
	logger.Init() // Initialize the logger
	handlers.Execute()
}
