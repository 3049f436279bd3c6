/*
Package embedded bootstraps an embedded containerd daemon so runnerhub can
run without a pre-existing system containerd installation.

ContainerdManager extracts a bundled containerd binary to a data directory,
writes a config.toml pointing at a dedicated socket and data root, starts it
as a child process, and waits for the socket to come up before returning. It
is an alternative, enabled with --embedded-containerd, to dialing an existing
containerd at --containerd-socket for hosts that don't already run containerd
as a system service; cmd/runnerhub's serve command uses
EnsureContainerd(ctx, dataDir, useExternal) to pick between the two.

# Usage

	mgr, err := embedded.EnsureContainerd(ctx, "/var/lib/runnerhub", false)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	rt, err := runtime.NewContainerdRuntime(mgr.GetSocketPath())

# Limitations

Linux only: the bundled binary and config.toml layout assume a Linux
containerd build. There is no macOS support -- operators on macOS leave
--embedded-containerd off and point --containerd-socket at a containerd
daemon of their own (e.g. inside a VM they manage themselves).
*/
package embedded
