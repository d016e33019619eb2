package activate

// AppleScript builders. Each script prints "true" when a matching
// window was found and handled, "false" otherwise. Raise-mode scripts
// only reorder windows: no tab selection, no app activation.

func itermScript(sessionID string, activate bool) string {
	action := `set index of w to 1`
	if activate {
		action = `select t
						select s
						set index of w to 1
						activate`
	}
	return `tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with s in sessions of t
				if id of s is "` + sessionID + `" then
					` + action + `
					return "true"
				end if
			end repeat
		end repeat
	end repeat
	return "false"
end tell`
}

func itermTTYScript(tty string, activate bool) string {
	action := `set index of w to 1`
	if activate {
		action = `select t
						select s
						set index of w to 1
						activate`
	}
	return `tell application "iTerm2"
	repeat with w in windows
		repeat with t in tabs of w
			repeat with s in sessions of t
				if tty of s contains "` + tty + `" then
					` + action + `
					return "true"
				end if
			end repeat
		end repeat
	end repeat
	return "false"
end tell`
}

func terminalAppScript(tty string, activate bool) string {
	if tty == "" {
		if activate {
			return `tell application "Terminal"
	activate
	return "true"
end tell`
		}
		return `tell application "Terminal"
	if (count of windows) is 0 then return "false"
	set index of front window to 1
	return "true"
end tell`
	}

	action := `set index of w to 1`
	if activate {
		action = `set selected of t to true
				set index of w to 1
				activate`
	}
	return `tell application "Terminal"
	repeat with w in windows
		repeat with t in tabs of w
			if tty of t contains "` + tty + `" then
				` + action + `
				return "true"
			end if
		end repeat
	end repeat
	return "false"
end tell`
}
