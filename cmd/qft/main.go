package main

import (
	"os"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
