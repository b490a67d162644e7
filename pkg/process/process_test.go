package process_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kairos-io/ostree-updater/pkg/process"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("process", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Context("spawning", func() {
		It("rejects relative paths", func() {
			_, err := process.Command("sh", "-c", "true").Spawn()
			Expect(err).To(MatchError(process.ErrNotExecutable))
		})
		It("rejects missing binaries", func() {
			_, err := process.Command(filepath.Join(dir, "missing")).Spawn()
			Expect(err).To(MatchError(process.ErrNotExecutable))
		})
		It("rejects files without exec permission", func() {
			p := filepath.Join(dir, "plain")
			Expect(os.WriteFile(p, []byte("#!/bin/sh\n"), 0644)).To(Succeed())
			_, err := process.Command(p).Spawn()
			Expect(err).To(MatchError(process.ErrNotExecutable))
		})
		It("reports the exit code", func() {
			p, err := process.Command("/bin/sh", "-c", "exit 3").Spawn()
			Expect(err).ToNot(HaveOccurred())
			st, err := p.Wait()
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Exited()).To(BeTrue())
			Expect(st.Code()).To(Equal(3))
			Expect(st.Success()).To(BeFalse())
		})
		It("reports signals", func() {
			p, err := process.Command("/bin/sh", "-c", "kill -9 $$").Spawn()
			Expect(err).ToNot(HaveOccurred())
			st, err := p.Wait()
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Signaled()).To(BeTrue())
			Expect(st.Success()).To(BeFalse())
		})
		It("passes arguments through", func() {
			s := script(dir, "args", `[ "$1" = "prev" ] && [ "$2" = "new" ]`)
			p, err := process.Command(s, "prev", "new").Spawn()
			Expect(err).ToNot(HaveOccurred())
			st, err := p.Wait()
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Success()).To(BeTrue())
		})
	})

	Context("descriptors", func() {
		It("redirects stdout into a pipe and closes the parent's write end", func() {
			r, w, err := os.Pipe()
			Expect(err).ToNot(HaveOccurred())
			defer r.Close()

			p, err := process.Command("/bin/sh", "-c", "echo hello").Redirect(w, process.Stdout).Spawn()
			Expect(err).ToNot(HaveOccurred())

			// Reading until EOF only terminates when no writer is left in the parent.
			out, err := io.ReadAll(r)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(out)).To(Equal("hello\n"))
			_, err = p.Wait()
			Expect(err).ToNot(HaveOccurred())
		})
		It("closes descriptors that were not set up", func() {
			p, err := process.Command("/bin/sh", "-c", "echo x >&1").Spawn()
			Expect(err).ToNot(HaveOccurred())
			st, err := p.Wait()
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Success()).To(BeFalse())
		})
		It("closes redirected files even when spawning fails", func() {
			r, w, err := os.Pipe()
			Expect(err).ToNot(HaveOccurred())
			defer r.Close()
			_, err = process.Command(filepath.Join(dir, "missing")).Redirect(w, process.Stdin).Spawn()
			Expect(err).To(HaveOccurred())
			_, err = w.Write([]byte("x"))
			Expect(err).To(HaveOccurred())
		})
		It("rejects unknown descriptors", func() {
			_, err := process.Command("/bin/true").Inherit(process.Descriptor(7)).Spawn()
			Expect(err).To(HaveOccurred())
		})
	})

	Context("waiting", func() {
		It("does not block on a running child", func() {
			p, err := process.Command("/bin/sh", "-c", "exec sleep 5").Spawn()
			Expect(err).ToNot(HaveOccurred())
			_, done, err := p.TryWait()
			Expect(err).ToNot(HaveOccurred())
			Expect(done).To(BeFalse())
			Expect(p.Kill()).To(Succeed())
			st, err := p.Wait()
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Signaled()).To(BeTrue())
			Expect(p.Exited()).To(BeTrue())
		})
		It("times out without killing the child", func() {
			p, err := process.Command("/bin/sh", "-c", "exec sleep 5").Spawn()
			Expect(err).ToNot(HaveOccurred())
			_, err = p.WaitTimeout(100*time.Millisecond, 20*time.Millisecond)
			Expect(err).To(MatchError(process.ErrTimeout))
			Expect(p.Exited()).To(BeFalse())
			Expect(p.Kill()).To(Succeed())
			_, err = p.Wait()
			Expect(err).ToNot(HaveOccurred())
		})
		It("returns the status of a child exiting in time", func() {
			p, err := process.Command("/bin/sh", "-c", "sleep 0.1; exit 2").Spawn()
			Expect(err).ToNot(HaveOccurred())
			st, err := p.WaitTimeout(5*time.Second, 50*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Code()).To(Equal(2))
		})
	})

	Context("Output", func() {
		It("captures stdout", func() {
			out, err := process.Line(context.Background(), "/bin/sh", "-c", "echo '  abc  '")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal("abc"))
		})
		It("reports failures as ExitError", func() {
			out, err := process.Output(context.Background(), "/bin/sh", "-c", "echo partial; exit 1")
			Expect(out).To(Equal("partial\n"))
			var exitErr *process.ExitError
			Expect(err).To(BeAssignableToTypeOf(exitErr))
		})
		It("kills the child when the context is done", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			start := time.Now()
			_, err := process.Output(ctx, "/bin/sh", "-c", "exec sleep 10")
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})
	})
})

var _ = Describe("inhibitor", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("fails when no binary is present", func() {
		i := process.NewInhibitor(zerolog.Nop())
		i.Paths = []string{filepath.Join(dir, "systemd-inhibit")}
		Expect(i.Inhibit()).To(MatchError(process.ErrNoInhibitor))
		Expect(i.Held()).To(BeFalse())
		Expect(i.Release()).To(Succeed())
	})

	It("holds the lock until released", func() {
		marker := filepath.Join(dir, "released")
		// Behaves like systemd-inhibit: runs the trailing command, which waits for stdin to close.
		fake := script(dir, "systemd-inhibit", `for a; do shift; [ "$a" = "--mode=block" ] && break; done
"$@"
touch `+marker)
		i := process.NewInhibitor(zerolog.Nop())
		i.Paths = []string{filepath.Join(dir, "missing"), fake}

		Expect(i.Inhibit()).To(Succeed())
		Expect(i.Held()).To(BeTrue())
		Expect(i.Inhibit()).To(Succeed())
		Consistently(func() bool {
			_, err := os.Stat(marker)
			return err == nil
		}, 200*time.Millisecond).Should(BeFalse())

		Expect(i.Release()).To(Succeed())
		Expect(i.Held()).To(BeFalse())
		Expect(marker).To(BeAnExistingFile())
	})

	It("kills an inhibitor that ignores its stdin", func() {
		fake := script(dir, "systemd-inhibit", "exec sleep 30")
		i := process.NewInhibitor(zerolog.Nop())
		i.Paths = []string{fake}

		Expect(i.Inhibit()).To(Succeed())
		start := time.Now()
		Expect(i.Release()).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", time.Second))
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
	})
})
