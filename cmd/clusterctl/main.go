// Command clusterctl inspects and maintains cluster message stores.
package main

func main() {
	execute()
}
