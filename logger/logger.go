package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	AppLogger   *log.Logger
	ProxyLogger *log.Logger
	ErrorLogger *log.Logger

	mu           sync.Mutex
	logLevel     string
	appLogFile   *os.File
	proxyLogFile *os.File
	initialized  bool
)

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// InitGlobalLoggers opens the app and proxy log files and sets the level.
// The proxy log receives MITM proxy and page bridge traffic; everything else
// goes to the app log. Errors are always mirrored to stderr.
func InitGlobalLoggers(appLogPath, proxyLogPath, level string) error {
	mu.Lock()
	defer mu.Unlock()

	normalized := strings.ToUpper(level)
	if _, ok := levelRank[normalized]; !ok {
		normalized = "INFO"
	}
	if initialized && appLogFile != nil && proxyLogFile != nil && normalized == logLevel {
		return nil
	}
	closeFilesLocked()

	logLevel = normalized
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	var appWriter, proxyWriter io.Writer
	var appPath, proxyPath string
	appLogFile, appWriter, appPath = openLogFile(appLogPath, "App")
	proxyLogFile, proxyWriter, proxyPath = openLogFile(proxyLogPath, "Proxy")

	AppLogger = log.New(appWriter, "APP: ", log.Ldate|log.Ltime|log.Lshortfile)
	ProxyLogger = log.New(proxyWriter, "PROXY: ", log.Ldate|log.Ltime|log.Lshortfile)

	if !initialized {
		AppLogger.Printf("App logger initialized. Log level: %s. Output file: %s", logLevel, appPath)
		ProxyLogger.Printf("Proxy logger initialized. Log level: %s. Output file: %s", logLevel, proxyPath)
	}
	initialized = true
	return nil
}

func openLogFile(path, name string) (*os.File, io.Writer, string) {
	if path == "" {
		return nil, io.Discard, "(discarded)"
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		ErrorLogger.Printf("Failed to create %s log directory %s: %v. %s logs (Info/Debug) will be discarded.", name, dir, err, name)
		return nil, io.Discard, "(discarded)"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		ErrorLogger.Printf("Failed to open %s log file %s: %v. %s logs (Info/Debug) will be discarded.", name, path, err, name)
		return nil, io.Discard, "(discarded)"
	}
	return f, f, path
}

func enabled(level string) bool {
	return levelRank[level] >= levelRank[logLevel]
}

func Info(format string, v ...interface{}) {
	if AppLogger != nil && enabled("INFO") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Debug(format string, v ...interface{}) {
	if AppLogger != nil && enabled("DEBUG") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	if AppLogger != nil && enabled("WARN") {
		AppLogger.Output(2, "WARN: "+fmt.Sprintf(format, v...))
	}
}

func Error(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if AppLogger != nil && appLogFile != nil {
		AppLogger.Output(2, message)
	}
}

func Fatal(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Fatal(message)
	} else {
		log.Fatal(message)
	}
}

func ProxyInfo(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("INFO") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyDebug(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("DEBUG") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyError(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if ProxyLogger != nil && proxyLogFile != nil {
		ProxyLogger.Output(2, message)
	}
}

func closeFilesLocked() {
	if appLogFile != nil {
		AppLogger.Println("Closing app log file.")
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		ProxyLogger.Println("Closing proxy log file.")
		proxyLogFile.Close()
		proxyLogFile = nil
	}
}

func CloseLogFiles() {
	mu.Lock()
	defer mu.Unlock()
	closeFilesLocked()
	initialized = false // Allow re-initialization if needed (e.g. tests)
}
