package build

import "strings"

var (
	Version = "dev"
	AppName = "TapeVault"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
