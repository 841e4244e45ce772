package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ironkern/fat"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func mkfsCmd(g *globalFlags) *cobra.Command {
	var (
		size     string
		label    string
		spc      uint8
		volumeID uint32
	)
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "format the image with an empty FAT32 volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size != "" {
				n, err := humanize.ParseBytes(size)
				if err != nil {
					return errors.Wrapf(err, "bad size %q", size)
				}
				if err := createImage(g.image, int64(n)); err != nil {
					return err
				}
			}
			dev, f, err := g.device(false)
			if err != nil {
				return err
			}
			defer f.Close()
			if volumeID == 0 {
				volumeID = uint32(time.Now().Unix())
			}
			err = fat.Format(cmd.Context(), dev, fat.FormatConfig{
				Label:             label,
				VolumeID:          volumeID,
				SectorsPerCluster: spc,
			})
			if err != nil {
				return err
			}
			log.Infof("formatted %s", g.image)
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "Create or resize the image to this size first, e.g. 64MiB")
	cmd.Flags().StringVar(&label, "label", "", "Volume label")
	cmd.Flags().Uint8Var(&spc, "sectors-per-cluster", 0, "Sectors per cluster, a power of two")
	cmd.Flags().Uint32Var(&volumeID, "volume-id", 0, "Volume serial number, defaults to the current time")
	return cmd
}

func createImage(name string, size int64) (err error) {
	f, err := hostFs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return f.Truncate(size)
}

func infoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "show volume geometry and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), false, func(fsys *fat.FS) error {
				st, err := fsys.Stat(cmd.Context())
				if err != nil {
					return err
				}
				geo := fsys.Geometry()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
				fmt.Fprintf(w, "label:\t%s\n", st.Label)
				fmt.Fprintf(w, "sector size:\t%d\n", geo.BytesPerSector)
				fmt.Fprintf(w, "cluster size:\t%s\n", humanize.IBytes(uint64(st.ClusterSize)))
				fmt.Fprintf(w, "reserved sectors:\t%d\n", geo.ReservedSectors)
				fmt.Fprintf(w, "FATs:\t%d x %d sectors\n", geo.FATCount, geo.SectorsPerFAT)
				fmt.Fprintf(w, "root cluster:\t%d\n", geo.RootCluster)
				fmt.Fprintf(w, "clusters:\t%d\n", st.TotalClusters)
				fmt.Fprintf(w, "size:\t%s\n", humanize.IBytes(uint64(st.TotalClusters)*uint64(st.ClusterSize)))
				fmt.Fprintf(w, "free:\t%s\n", humanize.IBytes(uint64(st.FreeClusters)*uint64(st.ClusterSize)))
				return w.Flush()
			})
		},
	}
}

func lsCmd(g *globalFlags) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "list a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			return g.withVolume(cmd.Context(), false, func(fsys *fat.FS) error {
				d, err := openDir(cmd.Context(), fsys, dir)
				if err != nil {
					return err
				}
				entries, err := d.ReadDir(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					if !long {
						fmt.Fprintln(w, name)
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Mode(), humanize.IBytes(uint64(e.Size())),
						e.ModTime().Format("2006-01-02 15:04"), name)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show mode, size and modification time")
	return cmd
}

func catCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat path...",
		Short: "print files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), false, func(fsys *fat.FS) error {
				afs := fat.NewAferoFs(cmd.Context(), fsys)
				for _, name := range args {
					if err := copyOut(afs, name, cmd.OutOrStdout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func putCmd(g *globalFlags) *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "put local dst",
		Short: "copy a local file into the volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := hostFs.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			return g.withVolume(cmd.Context(), true, func(fsys *fat.FS) error {
				afs := fat.NewAferoFs(cmd.Context(), fsys)
				if parents {
					if err := afs.MkdirAll(path.Dir(args[1]), 0o777); err != nil {
						return err
					}
				}
				dst, err := afs.Create(args[1])
				if err != nil {
					return err
				}
				n, err := io.Copy(dst, src)
				err = multierr.Append(err, dst.Close())
				if err == nil {
					log.Debugf("wrote %s to %s", humanize.IBytes(uint64(n)), args[1])
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&parents, "parents", false, "Create missing parent directories")
	return cmd
}

func getCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get src local",
		Short: "copy a file out of the volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), false, func(fsys *fat.FS) (err error) {
				dst, err := hostFs.Create(args[1])
				if err != nil {
					return err
				}
				defer func() { err = multierr.Append(err, dst.Close()) }()
				return copyOut(fat.NewAferoFs(cmd.Context(), fsys), args[0], dst)
			})
		},
	}
}

func mkdirCmd(g *globalFlags) *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir path...",
		Short: "create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), true, func(fsys *fat.FS) error {
				afs := fat.NewAferoFs(cmd.Context(), fsys)
				for _, name := range args {
					mkdir := afs.Mkdir
					if parents {
						mkdir = afs.MkdirAll
					}
					if err := mkdir(name, 0o777); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&parents, "parents", false, "Create missing parents, no error if existing")
	return cmd
}

func rmCmd(g *globalFlags) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm path...",
		Short: "remove files and empty directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), true, func(fsys *fat.FS) error {
				afs := fat.NewAferoFs(cmd.Context(), fsys)
				for _, name := range args {
					remove := afs.Remove
					if recursive {
						remove = afs.RemoveAll
					}
					if err := remove(name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories and their contents")
	return cmd
}

func mvCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mv src dst",
		Short: "rename or move a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withVolume(cmd.Context(), true, func(fsys *fat.FS) error {
				return fat.NewAferoFs(cmd.Context(), fsys).Rename(args[0], args[1])
			})
		},
	}
}

func openDir(ctx context.Context, fsys *fat.FS, name string) (*fat.Dir, error) {
	n, err := fsys.OpenPath(ctx, name)
	if err != nil {
		return nil, err
	}
	d, ok := n.(*fat.Dir)
	if !ok {
		return nil, errors.Errorf("%s: not a directory", name)
	}
	return d, nil
}

func copyOut(afs afero.Fs, name string, w io.Writer) (err error) {
	src, err := afs.Open(name)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, src.Close()) }()
	_, err = io.Copy(w, src)
	return err
}
