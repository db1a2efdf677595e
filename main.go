// The main package for the listingsync executable.
package main

import (
	"github.com/JakeFAU/listing-sync-crawler/cmd"
)

func main() {
	cmd.Execute()
}
