// Vahti - policy evaluation over a cloud asset snapshot.
package main

import "os"

func main() {
	os.Exit(Execute())
}
