// Command wxauth runs the WeChat authorization bridge and its maintenance
// tasks.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
