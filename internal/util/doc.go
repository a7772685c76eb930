// Package util holds small string helpers shared by the server and the HTTP layer.
package util
