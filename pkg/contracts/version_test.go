package contracts

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfoPrefersLinkerValues(t *testing.T) {
	prevCommit, prevTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = prevCommit, prevTime })

	GitCommit, BuildTime = "0123456789abcdef", "2024-06-15T00:00:00Z"
	info := GetVersionInfo()
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, "2024-06-15T00:00:00Z", info.BuildTime)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Contains(t, GetFullVersionString(), "commit 0123456789ab")
}

func TestVersionInfoNeverEmpty(t *testing.T) {
	info := GetVersionInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, APIVersion, info.APIVersion)
	assert.NotEmpty(t, info.GitCommit)
	assert.NotEmpty(t, info.BuildTime)
}
