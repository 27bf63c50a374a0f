package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/imgcache/coremain"
	"github.com/pmkol/imgcache/mlog"
)

var version = "dev/unknown"

func init() {
	coremain.AddSubCmd(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			if bi, ok := debug.ReadBuildInfo(); ok {
				fmt.Println(bi.GoVersion)
			}
		},
	})
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("imgcache exited", zap.Error(err))
		os.Exit(1)
	}
}
