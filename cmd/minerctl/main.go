// Command minerctl detects, monitors and controls ASIC miners.
package main

func main() {
	Execute()
}
