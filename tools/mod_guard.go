// +build modguard

package tools

import (
	_ "github.com/pingcap/failpoint/failpoint-ctl"
)
