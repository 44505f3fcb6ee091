// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/edgelesssys/devicelock/controller/state"
	"github.com/edgelesssys/devicelock/controller/worker"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// SignatureStore persists the accepted signing identity of the kiosk app.
type SignatureStore interface {
	SetKioskSignature(ctx context.Context, sig state.KioskSignature) error
}

// Verifier checks that a downloaded artifact is the expected kiosk app signed by an expected signer.
type Verifier struct {
	fs        afero.Fs
	pkg       string
	checksums []string
	store     SignatureStore
	log       *zap.Logger
}

// NewVerifier creates a Verifier accepting artifacts of pkg signed by a certificate with one of checksums.
func NewVerifier(fs afero.Fs, pkg string, checksums []string, store SignatureStore, log *zap.Logger) *Verifier {
	return &Verifier{fs: fs, pkg: pkg, checksums: checksums, store: store, log: log}
}

// Run verifies the artifact at KeyPath. The output holds the verified package name under KeyPackage.
func (v *Verifier) Run(ctx context.Context, input worker.Data) (worker.Data, error) {
	path, ok := input.String(KeyPath)
	if !ok || path == "" {
		return failure(taskError(NoValidDownloadedFile, errors.New("no artifact path")))
	}
	f, err := v.fs.Open(path)
	if err != nil {
		return failure(taskError(NoValidDownloadedFile, err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return failure(taskError(NoValidDownloadedFile, fmt.Errorf("%s is not a valid artifact file", path)))
	}

	artifact, err := ReadArtifact(f, info.Size())
	if err != nil {
		return failure(taskError(GetPackageInfoFailed, err))
	}
	if artifact.Package != v.pkg {
		return failure(taskError(PackageNameMismatch, fmt.Errorf("expected %q, got %q", v.pkg, artifact.Package)))
	}

	switch len(artifact.Signers) {
	case 0:
		return failure(taskError(NoSignature, nil))
	case 1:
	default:
		return failure(taskError(MultipleSignersUnsupported, fmt.Errorf("%d signers", len(artifact.Signers))))
	}

	cert := artifact.Signers[0]
	checksum := Checksum(cert)
	if !slices.Contains(v.checksums, checksum) {
		return failure(taskError(SignatureChecksumMismatch, fmt.Errorf("checksum %s", checksum)))
	}

	sig := state.KioskSignature{Package: artifact.Package, Checksum: checksum, Certificate: cert}
	if err := v.store.SetKioskSignature(ctx, sig); err != nil {
		return failure(taskError(PersistSignatureFailed, err))
	}

	v.log.Info("Kiosk artifact verified", zap.String("package", artifact.Package), zap.String("checksum", checksum))
	return worker.Data{KeyPackage: artifact.Package}, nil
}
