package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/abihf/camsink/bridge"
	"github.com/abihf/camsink/capture"
	"github.com/abihf/camsink/config"
	"github.com/abihf/camsink/negotiate"
	"github.com/abihf/camsink/pipeline"
)

var conf = config.Load()

func main() {
	if err := mainE(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func mainE() error {
	devices := make([]capture.Info, len(conf.Devices))
	for i, d := range conf.Devices {
		devices[i] = capture.Info{
			Device:      d.Path,
			Facing:      capture.ParseFacing(d.Facing),
			Orientation: d.Orientation,
		}
	}
	svc := capture.NewV4L2(capture.V4L2Options{Devices: devices}, nil)
	if err := svc.Init(); err != nil {
		return err
	}
	cams, err := svc.ListCameras()
	if err != nil {
		return err
	}
	if len(cams) == 0 {
		return errors.New("no cameras found")
	}

	target := negotiate.Size{Width: conf.Width, Height: conf.Height}
	var names bridge.NamingAllocator
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tDEVICE\tCAPTURE\tSINK\tSIZES")
	for _, info := range cams {
		name := names.Next(info.Facing)
		size, values, err := probe(svc, info.Index, target)
		if err != nil {
			fmt.Fprintf(w, "%d\t%s\t%s\t-\t-\t%v\n", info.Index, name, info.Device, err)
			continue
		}
		sw, sh := pipeline.Geometry{Width: size.Width, Height: size.Height, Rotation: info.Orientation}.Output()
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%dx%d\t%s\n", info.Index, name, info.Device, size, sw, sh, values)
	}
	return w.Flush()
}

func probe(svc capture.Service, index int, target negotiate.Size) (negotiate.Size, string, error) {
	sess, err := svc.Open(index)
	if err != nil {
		return negotiate.Size{}, "", err
	}
	defer sess.Close()

	values, err := sess.Capability(negotiate.KeyPreviewSizeValues)
	if err != nil {
		return negotiate.Size{}, "", err
	}
	sizes, err := negotiate.ParseSizes(values)
	if err != nil {
		return negotiate.Size{}, values, err
	}
	size, err := negotiate.SelectPreviewSize(sizes, target)
	return size, values, err
}
