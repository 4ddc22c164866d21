package main

import "github.com/kubecfg/kubit/cmd"

func main() {
	cmd.Execute()
}
