//go:build !unix

package proxy

func isConnReset(err error) bool {
	return false
}
