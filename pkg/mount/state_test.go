package mount_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/kairos-io/ostree-updater/pkg/mount"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
)

var _ = Describe("preparing the root", func() {
	const deployment = "/ostree/deploy/refkit/deploy/aaa.0"
	var g *herd.Graph
	var fake *fakeMounter
	var s *mount.State

	BeforeEach(func() {
		g = herd.DAG()
		Expect(g).ToNot(BeNil())
		fake = &fakeMounter{}
		s = &mount.State{
			Logger:     zerolog.Nop(),
			Rootfs:     "/rootfs",
			Staging:    "/sysroot.tmp",
			Deployment: deployment,
			Mounter:    fake,
		}
	})

	It("generates a strictly chained dag", func() {
		Expect(s.RegisterPrepareRoot(g)).To(Succeed())
		dag := g.Analyze()
		Expect(len(dag)).To(Equal(7), s.WriteDAG(g))
		expected := []string{"make-movable", "bind-var", "bind-boot", "bind-home", "move-deployment", "nest-sysroot", "switch-rootfs"}
		for i, name := range expected {
			Expect(len(dag[i])).To(Equal(1), s.WriteDAG(g))
			Expect(dag[i][0].Name).To(Equal(name), s.WriteDAG(g))
		}
	})

	It("runs every step in order", func() {
		Expect(s.RegisterPrepareRoot(g)).To(Succeed())
		Expect(s.Run(context.Background(), g)).To(Succeed())
		Expect(fake.Calls()).To(Equal([]string{
			"bind /rootfs/ostree/deploy/refkit/deploy/aaa.0 /rootfs/ostree/deploy/refkit/deploy/aaa.0",
			"bind /rootfs/ostree/deploy/refkit/deploy/aaa.0/../../var /rootfs/ostree/deploy/refkit/deploy/aaa.0/var",
			"bind /rootfs/boot /rootfs/ostree/deploy/refkit/deploy/aaa.0/boot",
			"bind /rootfs/home /rootfs/ostree/deploy/refkit/deploy/aaa.0/home",
			"mkdir /sysroot.tmp",
			"move /rootfs/ostree/deploy/refkit/deploy/aaa.0 /sysroot.tmp",
			"move /rootfs /sysroot.tmp/sysroot",
			"move /sysroot.tmp /rootfs",
		}))
		Expect(s.Done()).To(HaveLen(7))
	})

	It("stops at the first failing step", func() {
		fake.failOn = "/sysroot.tmp/sysroot"
		Expect(s.RegisterPrepareRoot(g)).To(Succeed())
		err := s.Run(context.Background(), g)
		Expect(err).To(HaveOccurred())

		var mountErr *mount.Error
		Expect(errors.As(err, &mountErr)).To(BeTrue())
		Expect(mountErr.Step).To(Equal("nest-sysroot"))
		Expect(mountErr.Source).To(Equal("/rootfs"))
		Expect(mountErr.Target).To(Equal("/sysroot.tmp/sysroot"))

		calls := fake.Calls()
		Expect(calls[len(calls)-1]).To(Equal("move /rootfs /sysroot.tmp/sysroot"))
		for _, c := range calls {
			Expect(c).ToNot(Equal("move /sysroot.tmp /rootfs"))
		}
		Expect(s.Done()).To(HaveLen(5))
	})

	It("does not mount anything when the first step fails", func() {
		fake.failOn = "aaa.0"
		Expect(s.RegisterPrepareRoot(g)).To(Succeed())
		Expect(s.Run(context.Background(), g)).ToNot(Succeed())
		Expect(fake.Calls()).To(HaveLen(1))
		Expect(s.Done()).To(BeEmpty())
	})

	It("refuses overlong deployment paths", func() {
		s.Deployment = "/" + strings.Repeat("x", 5000)
		Expect(s.RegisterPrepareRoot(g)).To(MatchError(mount.ErrPathTooLong))
	})

	Context("mount points", func() {
		var mounted map[string]bool

		BeforeEach(func() {
			mounted = map[string]bool{}
			s.IsMounted = func(p string) (bool, error) { return mounted[p], nil }
		})

		It("requires /rootfs to be mounted", func() {
			Expect(s.CheckRootfs()).To(MatchError(mount.ErrNotMounted))
			mounted["/rootfs"] = true
			Expect(s.CheckRootfs()).To(Succeed())
		})

		It("verifies the old root is nested after the shuffle", func() {
			mounted["/rootfs"] = true
			Expect(s.Verify()).To(MatchError(mount.ErrNotMounted))
			mounted["/rootfs/sysroot"] = true
			Expect(s.Verify()).To(Succeed())
		})
	})
})

var _ = Describe("patching the kernel cmdline", func() {
	var dir string
	var fake *fakeMounter
	var patch mount.CmdlinePatch

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		fake = &fakeMounter{}
		patch = mount.CmdlinePatch{
			Cmdline: filepath.Join(dir, "cmdline"),
			Patched: filepath.Join(dir, "cmdline.patched"),
			Mounter: fake,
			Logger:  zerolog.Nop(),
		}
	})

	It("appends ostree= keeping the trailing newline", func() {
		Expect(os.WriteFile(patch.Cmdline, []byte("root=/dev/sda2 rw\n"), 0o644)).To(Succeed())
		patched, err := patch.Apply("/ostree/boot.1/refkit/aaa/0")
		Expect(err).ToNot(HaveOccurred())
		Expect(patched).To(BeTrue())
		Expect(fake.Calls()).To(Equal([]string{"bind " + patch.Patched + " " + patch.Cmdline + " ro"}))
		Expect(fake.content[patch.Cmdline]).To(Equal("root=/dev/sda2 rw ostree=/ostree/boot.1/refkit/aaa/0\n"))
		Expect(patch.Patched).ToNot(BeAnExistingFile())
	})

	It("does nothing when ostree= is present", func() {
		Expect(os.WriteFile(patch.Cmdline, []byte("ostree=/ostree/boot.0/refkit/x/0 quiet\n"), 0o644)).To(Succeed())
		patched, err := patch.Apply("/ostree/boot.1/refkit/aaa/0")
		Expect(err).ToNot(HaveOccurred())
		Expect(patched).To(BeFalse())
		Expect(fake.Calls()).To(BeEmpty())
	})

	It("does not confuse other arguments with ostree=", func() {
		Expect(mount.HasOstree("root=/dev/sda2 xostree=/foo")).To(BeFalse())
		Expect(mount.HasOstree("root=/dev/sda2 ostree=/foo")).To(BeTrue())
	})

	It("leaves the patched copy behind when binding fails", func() {
		Expect(os.WriteFile(patch.Cmdline, []byte("quiet"), 0o644)).To(Succeed())
		fake.failOn = "cmdline"
		_, err := patch.Apply("/ostree/boot.1/refkit/aaa/0")
		Expect(err).To(HaveOccurred())
		Expect(patch.Patched).To(BeAnExistingFile())
		data, err := os.ReadFile(patch.Patched)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("quiet ostree=/ostree/boot.1/refkit/aaa/0"))
	})

	It("rejects an overlong cmdline", func() {
		Expect(os.WriteFile(patch.Cmdline, []byte(strings.Repeat("a", 4094)), 0o644)).To(Succeed())
		_, err := patch.Apply("/ostree/boot.1/refkit/aaa/0")
		Expect(err).To(MatchError(mount.ErrCmdlineTooLong))
	})
})
