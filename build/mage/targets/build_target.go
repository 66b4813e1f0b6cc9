package targets

import (
	"os"
	"strings"

	"github.com/ctrliq/gobuild"
)

// ldFlags returns linker flags passed to Go command.
func ldFlags() string {
	flags := []string{
		"-X main.version=" + getVersion(),
		"-w -extldflags \"-static\"",
	}
	return strings.Join(flags, " ")
}

// Install installs the keyserver binary using `go install`.
func Install() error {
	return gobuild.RunInstall("-ldflags", ldFlags(), "./cmd/keyserver/")
}

// Build builds the keyserver binary using `go build`.
func Build() error {
	return gobuild.RunBuild("-ldflags", ldFlags(), "./cmd/keyserver/")
}

func init() {
	// for static build
	os.Setenv("CGO_ENABLED", "0")
}
