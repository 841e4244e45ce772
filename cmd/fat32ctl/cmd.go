package main

import (
	"context"
	"strconv"

	"github.com/ironkern/fat"
	"github.com/ironkern/fat/internal/partition"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// hostFs holds disk images and the local side of put and get.
var hostFs afero.Fs = afero.NewOsFs()

const blockSize = 512

type globalFlags struct {
	config       string
	image        string
	partition    string
	cacheSectors int
	quiet        bool
	verbose      bool
}

func newCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:           "fat32ctl",
		Short:         "inspect and edit FAT32 disk images",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var cfg Config
			if err := readConfig(g.config, &cfg); err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("image") && cfg.Image != "" {
				g.image = cfg.Image
			}
			if !flags.Changed("partition") && cfg.Partition != "" {
				g.partition = cfg.Partition
			}
			if !flags.Changed("cache-sectors") && cfg.CacheSectors != 0 {
				g.cacheSectors = cfg.CacheSectors
			}
			if !flags.Changed("verbose") && cfg.Verbose {
				g.verbose = true
			}
			return setupLogging(g.quiet, g.verbose)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.config, "config", defaultConfigPath(), "Configuration file")
	pf.StringVarP(&g.image, "image", "i", "", "Disk image holding the FAT32 volume")
	pf.StringVarP(&g.partition, "partition", "p", "auto", `Partition number, "auto" to find a FAT partition, or "none" for an unpartitioned image`)
	pf.IntVar(&g.cacheSectors, "cache-sectors", 0, "Sectors kept in the volume cache")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "Quiet execution")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Verbose execution")

	cmd.AddCommand(mkfsCmd(&g))
	cmd.AddCommand(infoCmd(&g))
	cmd.AddCommand(lsCmd(&g))
	cmd.AddCommand(catCmd(&g))
	cmd.AddCommand(putCmd(&g))
	cmd.AddCommand(getCmd(&g))
	cmd.AddCommand(mkdirCmd(&g))
	cmd.AddCommand(rmCmd(&g))
	cmd.AddCommand(mvCmd(&g))
	return cmd
}

// device opens the image and narrows it to the selected partition.
func (g *globalFlags) device(readOnly bool) (fat.BlockDevice, afero.File, error) {
	if g.image == "" {
		return nil, nil, errors.New("no image given, use --image or the config file")
	}
	img, f, err := fat.OpenImage(hostFs, g.image, blockSize, readOnly)
	if err != nil {
		return nil, nil, err
	}
	var p partition.Partition
	switch g.partition {
	case "none", "":
		return img, f, nil
	case "auto":
		p, err = partition.Find(img)
		if err != nil {
			log.Debugf("no partition table used: %v", err)
			return img, f, nil
		}
	default:
		idx, err := strconv.Atoi(g.partition)
		if err != nil {
			f.Close()
			return nil, nil, errors.Errorf("bad partition %q", g.partition)
		}
		parts, err := partition.List(img)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		found := false
		for _, cand := range parts {
			if cand.Index == idx {
				p, found = cand, true
			}
		}
		if !found {
			f.Close()
			return nil, nil, errors.Errorf("no partition %d in %s", idx, g.image)
		}
	}
	log.Debugf("using %s partition %d at block %d", p.Scheme, p.Index, p.Start)
	return fat.Slice(img, p.Start, p.Size), f, nil
}

// withVolume mounts the image, runs fn and unmounts, combining the errors.
func (g *globalFlags) withVolume(ctx context.Context, write bool, fn func(fsys *fat.FS) error) (err error) {
	dev, f, err := g.device(!write)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	mode := fat.ModeRead
	if write {
		mode = fat.ModeRW
	}
	fsys, err := fat.Mount(ctx, dev, fat.Options{
		Mode:         mode,
		Logger:       newSlogger(log.StandardLogger()),
		CacheSectors: g.cacheSectors,
	})
	if err != nil {
		return errors.Wrapf(err, "mount %s", g.image)
	}
	defer func() { err = multierr.Append(err, fsys.Close(ctx)) }()
	return fn(fsys)
}
