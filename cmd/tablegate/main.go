// Command tablegate serves schema-driven CRUD over relational tables.
package main

func main() {
	Execute()
}
