// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Paths inside a kiosk artifact.
const (
	ManifestPath = "manifest.json"
	SignersDir   = "META-INF/signers/"
)

// maxSignerSize bounds the size of a signer certificate read from an artifact.
const maxSignerSize = 64 << 10

// Artifact is the identity and signing material embedded in a kiosk artifact.
type Artifact struct {
	Package string
	// Signers holds the DER encoded certificates of all signers.
	Signers [][]byte
}

type artifactManifest struct {
	Package string `json:"package"`
}

// ReadArtifact parses the zip container of a kiosk artifact.
func ReadArtifact(r io.ReaderAt, size int64) (Artifact, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Artifact{}, fmt.Errorf("opening artifact: %w", err)
	}

	var artifact Artifact
	foundManifest := false
	for _, f := range zr.File {
		switch {
		case f.Name == ManifestPath:
			raw, err := readZipFile(f, maxSignerSize)
			if err != nil {
				return Artifact{}, fmt.Errorf("reading manifest: %w", err)
			}
			var manifest artifactManifest
			if err := json.Unmarshal(raw, &manifest); err != nil {
				return Artifact{}, fmt.Errorf("decoding manifest: %w", err)
			}
			artifact.Package = manifest.Package
			foundManifest = true
		case strings.HasPrefix(f.Name, SignersDir) && path.Ext(f.Name) == ".der":
			der, err := readZipFile(f, maxSignerSize)
			if err != nil {
				return Artifact{}, fmt.Errorf("reading signer %s: %w", f.Name, err)
			}
			artifact.Signers = append(artifact.Signers, der)
		}
	}
	if !foundManifest {
		return Artifact{}, errors.New("artifact has no manifest")
	}
	return artifact, nil
}

// Checksum returns the checksum identifying a signer certificate:
// the unpadded base64 URL encoding of the SHA-256 digest of its DER bytes.
func Checksum(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, limit)
	}
	return raw, nil
}
