package admin

// adminHTML 管理界面HTML模板
const adminHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 20px; color: #333; }
        h1 { font-weight: 300; }
        table { border-collapse: collapse; width: 100%; margin-bottom: 30px; }
        th, td { border-bottom: 1px solid #e9ecef; padding: 8px; text-align: left; }
        th { background: #f8f9fa; }
        .form { margin-bottom: 20px; }
        .form input { padding: 6px; margin-right: 6px; }
        #message { color: #c0392b; margin-bottom: 10px; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    <div id="message"></div>

    <h2>池地址</h2>
    <div class="form">
        <input id="address" placeholder="起始地址">
        <input id="count" type="number" min="1" value="1">
        <input id="fib" type="number" min="0" value="0" placeholder="FIB">
        <button onclick="addAddress()">添加</button>
    </div>
    <table>
        <thead><tr><th>地址</th><th>FIB</th><th>已占用端口</th><th></th></tr></thead>
        <tbody id="addresses"></tbody>
    </table>

    <h2>工作线程</h2>
    <table>
        <thead><tr><th>线程</th><th>端口区间</th><th>活跃</th><th>已创建</th><th>已释放</th><th>耗尽</th><th>淘汰</th></tr></thead>
        <tbody id="sessions"></tbody>
    </table>

    <script>
        function showMessage(msg) {
            document.getElementById('message').textContent = msg || '';
        }

        async function refresh() {
            const addrs = await (await fetch('/api/addresses')).json();
            document.getElementById('addresses').innerHTML = (addrs || []).map(a =>
                '<tr><td>' + a.address + '</td><td>' + a.fib_index + '</td><td>' +
                Object.entries(a.busy).map(([p, n]) => p + ': ' + n).join(', ') +
                '</td><td><button onclick="removeAddress(\'' + a.address + '\', false)">删除</button> ' +
                '<button onclick="removeAddress(\'' + a.address + '\', true)">强制删除</button></td></tr>').join('');

            const sessions = await (await fetch('/api/sessions')).json();
            document.getElementById('sessions').innerHTML = (sessions || []).map(s =>
                '<tr><td>' + s.thread + '</td><td>' + s.port_start + '-' + (s.port_end - 1) + '</td><td>' +
                s.active + '</td><td>' + s.created + '</td><td>' + s.released + '</td><td>' +
                s.exhausted + '</td><td>' + s.evicted + '</td></tr>').join('');
        }

        async function addAddress() {
            const body = {
                address: document.getElementById('address').value,
                count: parseInt(document.getElementById('count').value, 10),
                fib_index: parseInt(document.getElementById('fib').value, 10)
            };
            const resp = await (await fetch('/api/addresses', { method: 'POST', body: JSON.stringify(body) })).json();
            showMessage(resp.status === 'success' ? '' : resp.message);
            refresh();
        }

        async function removeAddress(addr, force) {
            const resp = await (await fetch('/api/addresses?address=' + encodeURIComponent(addr) + '&force=' + force, { method: 'DELETE' })).json();
            showMessage(resp.status === 'success' ? '' : resp.message);
            refresh();
        }

        refresh();
        setInterval(refresh, 5000);
    </script>
</body>
</html>`
