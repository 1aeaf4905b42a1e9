// Package kernel holds the process IDs, command enums, and limits shared by
// every kernel service. It is types-only so the service packages can depend
// on it without depending on each other.
package kernel

// ProcessID names a process slot. The scheduler always holds PID 0.
type ProcessID uint8

// UserID is the numeric identity of a logged-in user.
type UserID int16

// Well-known process IDs. User command slots begin at FirstUserProcessID.
const (
	SchedulerProcessID     ProcessID = 0
	ConsoleProcessID       ProcessID = 1
	MemoryManagerProcessID ProcessID = 2
	FilesystemProcessID    ProcessID = 3
	FirstUserProcessID     ProcessID = 4
)

// ProcessIDNotSet marks a free slot or an unowned allocation.
const ProcessIDNotSet ProcessID = 0xFF

// NoUserID marks a process slot with no logged-in owner. RootUserID prints
// the # prompt; everyone else gets $.
const (
	NoUserID   UserID = -1
	RootUserID UserID = 0
)

// Compile-time kernel limits.
const (
	// MaxNumProcesses bounds the configurable process count; sched.New
	// rejects a larger count.
	MaxNumProcesses = 15

	// NumProcessStorageKeys is the size of the per-process key/value
	// storage used by the kernel C library for bookkeeping.
	NumProcessStorageKeys = 4

	// NumFileDescriptors is the size of each process's descriptor table.
	NumFileDescriptors = 3

	// MaxWriteLength caps a single write syscall from a guest program.
	MaxWriteLength = 128
)

// SchedulerCommand values are the message types understood by the scheduler.
type SchedulerCommand int

const (
	SchedulerRunProcess SchedulerCommand = iota
	SchedulerKillProcess
	SchedulerGetNumRunningProcesses
	SchedulerGetProcessInfo
	SchedulerGetProcessUser
	SchedulerSetProcessUser
	SchedulerCloseAllFileDescriptors
	SchedulerGetHostname
	SchedulerExecve
	NumSchedulerCommands

	// Responses:
	SchedulerProcessComplete
	SchedulerReturningStatus
	SchedulerReturningCount
	SchedulerReturningInfo
	SchedulerReturningUser
	SchedulerReturningHostname
)

// MemoryManagerCommand values are the message types understood by the
// memory manager.
type MemoryManagerCommand int

const (
	MemoryManagerRealloc MemoryManagerCommand = iota
	MemoryManagerFree
	MemoryManagerGetFreeMemory
	MemoryManagerFreeProcessMemory
	MemoryManagerAssignMemory
	NumMemoryManagerCommands

	// Responses:
	MemoryManagerReturningPointer
	MemoryManagerReturningFreeMemory
	MemoryManagerReturningStatus
)

// ConsoleCommand values are the message types understood by the console.
type ConsoleCommand int

const (
	ConsoleWriteBuffer ConsoleCommand = iota
	ConsoleAcquirePort
	ConsoleReleasePort
	ConsoleReleasePidPort
	ConsoleSetEcho
	ConsoleReadInput
	NumConsoleCommands

	// Responses:
	ConsoleReturningStatus
	ConsoleReturningInput
)

// FilesystemCommand values are the message types understood by the
// filesystem process.
type FilesystemCommand int

const (
	FilesystemOpenFile FilesystemCommand = iota
	FilesystemCloseFile
	FilesystemReadFile
	FilesystemWriteFile
	FilesystemSeekFile
	FilesystemRemoveFile
	NumFilesystemCommands

	// Responses:
	FilesystemReturningStatus
	FilesystemReturningData
)
