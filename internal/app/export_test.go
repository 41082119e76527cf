package app

import "github.com/MrWong99/avatarkit/internal/dialog"

// DialogSettings exposes the live dialog settings to the external tests.
func (a *App) DialogSettings() dialog.Settings { return a.dialog.Settings() }
