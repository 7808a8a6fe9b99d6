package common

// D-Bus configuration shared between the kando-integration daemon and kando-ctl
const (
	ServiceName       = "org.gnome.Shell.Extensions.KandoIntegration"
	ServiceObjectPath = "/org/gnome/shell/extensions/KandoIntegration"
	ServiceInterface  = "org.gnome.Shell.Extensions.KandoIntegration"

	// Signal emitted whenever a bound shortcut is pressed
	ShortcutPressedSignal = ServiceInterface + ".ShortcutPressed"
)

// GNOME Shell accelerator grabbing
const (
	ShellDestination          = "org.gnome.Shell"
	ShellObjectPath           = "/org/gnome/Shell"
	ShellInterface            = "org.gnome.Shell"
	ShellGrabAccelerator      = ShellInterface + ".GrabAccelerator"
	ShellUngrabAccelerator    = ShellInterface + ".UngrabAccelerator"
	ShellAcceleratorActivated = "AcceleratorActivated"
)

// FocusedWindow GNOME Shell extension
const (
	FocusedWindowDestination = "org.gnome.Shell"
	FocusedWindowObjectPath  = "/org/gnome/shell/extensions/FocusedWindow"
	FocusedWindowInterface   = "org.gnome.shell.extensions.FocusedWindow"
	FocusedWindowMethod      = FocusedWindowInterface + ".Get"
)

// Mutter remote desktop virtual input devices
const (
	RemoteDesktopDestination = "org.gnome.Mutter.RemoteDesktop"
	RemoteDesktopObjectPath  = "/org/gnome/Mutter/RemoteDesktop"
	RemoteDesktopInterface   = "org.gnome.Mutter.RemoteDesktop"
	RemoteDesktopSession     = RemoteDesktopInterface + ".Session"
)
