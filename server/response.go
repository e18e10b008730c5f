//go:build linux
// +build linux

package server

// Response is the reply sent for every received chunk.
var Response = []byte("HTTP/1.1 200 OK\r\nContent-type: text/html\r\nContent-length: 17\r\n\r\nHave a nice day!\n")
