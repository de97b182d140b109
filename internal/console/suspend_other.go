//go:build !unix

package console

import "errors"

func suspendProcess() error {
	return errors.New("job control not supported on this platform")
}
