package bootentry_test

import (
	"bytes"

	"github.com/joho/godotenv"
	"github.com/kairos-io/ostree-updater/pkg/bootentry"
	"github.com/kairos-io/ostree-updater/pkg/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("printer", func() {
	var r *bootentry.Registry
	var out *bytes.Buffer
	var cleanup func()

	BeforeEach(func() {
		fs, c, err := vfst.NewTestFS(sysroot("", "5", "7"))
		Expect(err).ToNot(HaveOccurred())
		cleanup = c
		r = &bootentry.Registry{FS: fs, Distro: "refkit", RootPath: deployA, Logger: zerolog.Nop()}
		out = &bytes.Buffer{}
	})
	AfterEach(func() {
		cleanup()
	})

	It("prints shell assignments for every entry", func() {
		p := bootentry.Printer{Out: out, Format: schema.FormatShell, Prefix: "REFKIT_OSTREE"}
		Expect(p.Entries(r)).To(Succeed())

		env, err := godotenv.Unmarshal(out.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_BOOT_ENTRIES", "2"))
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_RUNNING_ENTRY", "0"))
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_LATEST_ENTRY", "1"))
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_BOOT0_VERSION", "5"))
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_BOOT1_PATH", deployB))
		Expect(env).To(HaveKeyWithValue("REFKIT_OSTREE_BOOT0_OPTIONS", "root=LABEL=rootfs rw ostree=/ostree/boot.1/refkit/aaa/0 quiet"))
		Expect(env).To(HaveKey("REFKIT_OSTREE_BOOT1_DEVICE"))
		Expect(env).To(HaveKey("REFKIT_OSTREE_BOOT1_INODE"))
		Expect(out.String()).ToNot(ContainSubstring("export "))
	})

	It("prints exported assignments for the running entry", func() {
		p := bootentry.Printer{Out: out, Format: schema.FormatShellExport, Prefix: "OS"}
		Expect(p.Running(r)).To(Succeed())
		Expect(out.String()).To(HavePrefix("export OS_BOOTED_VERSION=5\n"))
		env, err := godotenv.Unmarshal(out.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(env).To(HaveKeyWithValue("OS_BOOTED_PATH", deployA))
	})

	It("prints the latest entry for humans", func() {
		p := bootentry.Printer{Out: out, Format: schema.FormatHuman}
		Expect(p.Latest(r)).To(Succeed())
		Expect(out.String()).To(HavePrefix("latest entry #1:\n"))
		Expect(out.String()).To(ContainSubstring("       version: 7\n"))
		Expect(out.String()).To(ContainSubstring("    deployment: '" + deployB + "'\n"))
	})

	It("fails when the running entry is unknown", func() {
		r.RootPath = "/does/not/exist"
		p := bootentry.Printer{Out: out, Format: schema.FormatHuman}
		Expect(p.Running(r)).To(MatchError(bootentry.ErrNotDetermined))
		Expect(out.Len()).To(BeZero())
	})

	It("quotes values for the shell", func() {
		Expect(bootentry.Quote("a b")).To(Equal("'a b'"))
		Expect(bootentry.Quote("it's")).To(Equal(`'it'\''s'`))
	})
})
