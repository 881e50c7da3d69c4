// Command grapicctl is the admin CLI: schema migrations, one-off sweeps and
// bulk uploads against a running API.
package main

func main() {
	Execute()
}
