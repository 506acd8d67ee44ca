//go:build rp2040 && !lcd

package main

func startLCD() {}
