/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// o2image packs an OCFS2 volume's reachable metadata into an image file,
// or installs a previously packed image back onto a volume. Grounded on
// original_source/o2image/o2image.c's usage and flag set ("device
// image_file", -r/-I/-i), trimmed to the subset this library implements:
// no interactive confirmation prompt beyond install, no "-" stdout
// shorthand (every destination here is a real path).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	ocfs2 "github.com/markfasheh/ocfs2"
	"github.com/markfasheh/ocfs2/image"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-r] [-i] device image_file\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s -I [-r] [-i] device image_file\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	raw := flag.Bool("r", false, "raw image format (sparse, native block offsets) instead of packed")
	install := flag.Bool("I", false, "install: restore image_file onto device instead of packing device into image_file")
	interactive := flag.Bool("i", false, "prompt for confirmation before installing")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
	}
	device, imageFile := flag.Arg(0), flag.Arg(1)

	var err error
	if *install {
		err = runInstall(device, imageFile, *raw, *interactive)
	} else {
		err = runPack(device, imageFile, *raw)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// runPack opens device read-only, scans its reachable metadata, and
// writes the result to imageFile -- original_source's default (non -I)
// path.
func runPack(device, imageFile string, raw bool) error {
	src, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer src.Close()

	h, err := ocfs2.Open(src, true)
	if err != nil {
		return fmt.Errorf("opening volume: %w", err)
	}
	defer h.Close()

	dst, err := os.Create(imageFile)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	defer dst.Close()

	progress := func(scanned, total uint64) {
		if total == 0 || scanned%4096 != 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\rscanned %d/%d blocks", scanned, total)
	}

	if raw {
		err = h.PackRaw(dst, progress)
	} else {
		err = h.Pack(dst, uint32(time.Now().Unix()), progress)
	}
	fmt.Fprintln(os.Stderr)
	return err
}

// runInstall restores imageFile onto device -- original_source's -I path.
// A raw image already carries the volume's native block layout (sparse
// holes included), so installing one is a verbatim copy; a packed image
// is unpacked block-by-block through image.Install.
func runInstall(device, imageFile string, raw, interactive bool) error {
	if interactive && !confirm(fmt.Sprintf("Install %s image to %s. Continue? (y/N): ", imageFile, device)) {
		return fmt.Errorf("aborted")
	}

	src, err := os.Open(imageFile)
	if err != nil {
		return fmt.Errorf("opening image file: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(device, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	defer dst.Close()

	if raw {
		_, err := io.Copy(dst, src)
		return err
	}
	return image.Install(dst, src, nil)
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.ToUpper(strings.TrimSpace(line)) == "Y"
}
