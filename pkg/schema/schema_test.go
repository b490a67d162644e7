package schema_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kairos-io/ostree-updater/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("returns an empty config when the file is missing", func() {
		c, err := schema.LoadConfig(filepath.Join(dir, "missing.yaml"))
		Expect(err).ToNot(HaveOccurred())
		Expect(*c).To(Equal(schema.Config{}))
	})

	It("loads the yaml file", func() {
		f := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(f, []byte("distro: gateway\ninterval: 5m\nrefspec: origin:gateway/stable\n"), 0644)).To(Succeed())
		c, err := schema.LoadConfig(f)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Distro).To(Equal("gateway"))
		Expect(c.Interval).To(Equal(5 * time.Minute))
		Expect(c.Refspec).To(Equal("origin:gateway/stable"))
	})

	It("fails on malformed yaml", func() {
		f := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(f, []byte("distro: [\n"), 0644)).To(Succeed())
		_, err := schema.LoadConfig(f)
		Expect(err).To(HaveOccurred())
	})

	It("fills defaults", func() {
		c := &schema.Config{}
		Expect(c.Normalize()).To(BeFalse())
		Expect(c.Distro).To(Equal("refkit"))
		Expect(c.Prefix).To(Equal("REFKIT_OSTREE"))
		Expect(c.Interval).To(Equal(15 * time.Minute))
		Expect(c.Hook).To(Equal("/usr/libexec/ostree-updater/post-apply"))
	})

	It("raises short intervals to the minimum", func() {
		c := &schema.Config{Interval: 3 * time.Second}
		Expect(c.Normalize()).To(BeTrue())
		Expect(c.Interval).To(Equal(15 * time.Second))
	})

	It("raises an explicit zero interval to the minimum", func() {
		c := &schema.Config{}
		c.SetInterval(0)
		Expect(c.Normalize()).To(BeTrue())
		Expect(c.Interval).To(Equal(15 * time.Second))
	})

	It("raises a zero interval from the file to the minimum", func() {
		f := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(f, []byte("interval: 0s\n"), 0644)).To(Succeed())
		c, err := schema.LoadConfig(f)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Normalize()).To(BeTrue())
		Expect(c.Interval).To(Equal(15 * time.Second))
	})
})

var _ = Describe("mode", func() {
	DescribeTable("fetch and apply",
		func(m schema.Mode, fetches, applies bool) {
			Expect(m.Fetches()).To(Equal(fetches))
			Expect(m.Applies()).To(Equal(applies))
		},
		Entry("update", schema.ModeUpdate, true, true),
		Entry("fetch only", schema.ModeFetch, true, false),
		Entry("apply only", schema.ModeApply, false, true),
		Entry("entries", schema.ModeEntries, false, false),
	)
})
