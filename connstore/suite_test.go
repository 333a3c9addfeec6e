package connstore

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestConnstore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "connstore package suite")
}
