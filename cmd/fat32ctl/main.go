// Command fat32ctl inspects and edits FAT32 disk images.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Debugf("exit: %v", err)
		os.Exit(1)
	}
}
