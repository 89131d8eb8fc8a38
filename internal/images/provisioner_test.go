package images_test

import (
	"context"
	"errors"
	"testing"

	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox/sandboxtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvisioner(rt *sandboxtest.Runtime, policy images.Policy) *images.Provisioner {
	logger := zerolog.Nop()
	return images.NewProvisioner(rt, policy, &logger)
}

func TestEnsureImagePresentSkipsPull(t *testing.T) {
	rt := sandboxtest.New()
	rt.Images["python:3.12-slim"] = true

	err := newProvisioner(rt, images.FailFast).EnsureImage(context.Background(), "python:3.12-slim", false)

	require.NoError(t, err)
	assert.Empty(t, rt.Pulls)
	assert.Equal(t, []string{"python:3.12-slim"}, rt.Inspects)
}

func TestEnsureImageAbsentPulls(t *testing.T) {
	rt := sandboxtest.New()

	err := newProvisioner(rt, images.FailFast).EnsureImage(context.Background(), "gcc:13", false)

	require.NoError(t, err)
	assert.Equal(t, []string{"gcc:13"}, rt.Pulls)
}

func TestEnsureImageInspectionFailureAttemptsPull(t *testing.T) {
	rt := sandboxtest.New()
	rt.InspectErr = errors.New("daemon hiccup")

	err := newProvisioner(rt, images.FailFast).EnsureImage(context.Background(), "gcc:13", false)

	require.NoError(t, err)
	assert.Equal(t, []string{"gcc:13"}, rt.Pulls)
}

func TestEnsureImageForcePullSkipsInspection(t *testing.T) {
	rt := sandboxtest.New()
	rt.Images["gcc:13"] = true

	err := newProvisioner(rt, images.FailFast).EnsureImage(context.Background(), "gcc:13", true)

	require.NoError(t, err)
	assert.Empty(t, rt.Inspects)
	assert.Equal(t, []string{"gcc:13"}, rt.Pulls)
}

func TestEnsureImagePullFailureIsFatal(t *testing.T) {
	rt := sandboxtest.New()
	rt.PullErr = errors.New("registry unreachable")

	failures := testutil.ToFloat64(metrics.ImagePulls.WithLabelValues("error"))

	err := newProvisioner(rt, images.FailFast).EnsureImage(context.Background(), "gcc:13", false)

	require.ErrorIs(t, err, images.ErrPullFailed)
	assert.Equal(t, failures+1, testutil.ToFloat64(metrics.ImagePulls.WithLabelValues("error")))
}

func TestEnsureImageBestEffortProceeds(t *testing.T) {
	rt := sandboxtest.New()
	rt.PullErr = errors.New("registry unreachable")

	err := newProvisioner(rt, images.BestEffort).EnsureImage(context.Background(), "gcc:13", false)

	require.NoError(t, err)
	assert.Len(t, rt.Pulls, 1)
}

func TestParsePolicy(t *testing.T) {
	p, err := images.ParsePolicy("best-effort")
	require.NoError(t, err)
	assert.Equal(t, images.BestEffort, p)

	p, err = images.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, images.FailFast, p)

	_, err = images.ParsePolicy("sometimes")
	require.Error(t, err)
}
