package main

import (
	"fmt"

	"github.com/ternarybob/vellum/internal/common"
)

// VersionCmd prints version information
type VersionCmd struct{}

func (c *VersionCmd) Execute(_ []string) error {
	fmt.Printf("Vellum version %s\n", common.GetFullVersion())
	return nil
}
