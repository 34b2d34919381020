package main

import (
	"fmt"
	"os"

	cli "github.com/spf13/pflag"

	"voxboard/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Control socket path")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: voxboard-ctl [-s socket] activate|play|pause|next|previous")
		cli.PrintDefaults()
	}
	cli.Parse()

	cmd := ipc.CmdActivate
	if cli.NArg() > 0 {
		cmd = cli.Arg(0)
	}

	if err := ipc.SendCommand(*socket, cmd); err != nil {
		fmt.Println("voxboard-daemon:", err)
		os.Exit(1)
	}
}
