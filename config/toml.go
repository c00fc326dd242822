package config

import (
	"bytes"
	"text/template"

	tmos "github.com/tendermint/tendermint/libs/os"
)

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// WriteConfigFile 把config按模板写到path
func WriteConfigFile(path string, cfg *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		panic(err)
	}

	tmos.MustWriteFile(path, buffer.Bytes(), 0644)
}

const defaultConfigTemplate = `# derecho-unified配置文件
# 命令行参数 > 本文件 > 默认值

local_id = {{ .LocalID }}

max_payload_size = {{ .MaxPayloadSize }}
block_size = {{ .BlockSize }}
window_size = {{ .WindowSize }}
timeout_ms = {{ .TimeoutMS }}
rdmc_send_algorithm = "{{ .SendAlgorithm }}"

# 空字符串关掉持久化
persistence_file = "{{ .PersistenceFile }}"
# file或者kv
persistence_backend = "{{ .PersistenceBackend }}"

# 空字符串不起rpc
rpc_laddr = "{{ .RPCListenAddress }}"
`
